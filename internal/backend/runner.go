/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package backend

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sys/unix"
)

// Runner executes one shell command line and returns its combined output.
type Runner interface {
	Run(ctx context.Context, command string) ([]byte, error)
}

// LocalRunner runs commands through /bin/sh in their own process group so
// a timeout takes down the whole pipeline.
type LocalRunner struct {
	Shell string
}

func (r *LocalRunner) Run(ctx context.Context, command string) ([]byte, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return out.Bytes(), fmt.Errorf("command %q timed out: %w", command, ctx.Err())
		}
		return out.Bytes(), fmt.Errorf("command %q failed: %w, output: %s", command, err, out.String())
	}
	return out.Bytes(), nil
}

type SSHConfig struct {
	Host           string `yaml:"Host"`
	Port           int    `yaml:"Port"`
	User           string `yaml:"User"`
	Password       string `yaml:"Password"`
	KeyFile        string `yaml:"KeyFile"`
	KnownHostsFile string `yaml:"KnownHostsFile"`
}

// SSHRunner runs commands on a management host, e.g. a BMC proxy or a
// vendor controller. The connection is kept and re-dialed on failure.
type SSHRunner struct {
	addr   string
	config *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHRunner(c SSHConfig) (*SSHRunner, error) {
	if c.Host == "" || c.User == "" {
		return nil, errors.New("ssh runner needs Host and User")
	}
	port := c.Port
	if port == 0 {
		port = 22
	}

	var auth []ssh.AuthMethod
	if c.KeyFile != "" {
		key, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to read ssh key")
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to parse ssh key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh runner needs Password or KeyFile")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to load known hosts")
		}
		hostKey = cb
	} else {
		log.Warnf("%s No KnownHostsFile for %s, host key is not verified", prefixVendor, c.Host)
	}

	return &SSHRunner{
		addr: net.JoinHostPort(c.Host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            c.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         10 * time.Second,
		},
	}, nil
}

func (r *SSHRunner) dial() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := ssh.Dial("tcp", r.addr, r.config)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to dial")
	}
	r.client = client
	return client, nil
}

func (r *SSHRunner) drop(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		r.client.Close()
		r.client = nil
	}
}

func (r *SSHRunner) Run(ctx context.Context, command string) ([]byte, error) {
	client, err := r.dial()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		r.drop(client)
		return nil, errors.Wrap(err, "Failed to create session")
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, errors.Wrapf(ctx.Err(), "Command %q timed out on %s", command, r.addr)
	case res := <-done:
		if res.err != nil {
			return res.out, errors.Wrapf(res.err, "Failed to run %q on %s, output: %s",
				command, r.addr, string(res.out))
		}
		return res.out, nil
	}
}

func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
