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

package util

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type CraneCmdError = int

// general
const (
	ErrorSuccess CraneCmdError = iota
	ErrorGeneric
	ErrorCmdArg
	ErrorNetwork
	ErrorBackend
	ErrorInvalidFormat
)

// cgovd
const (
	ErrorCgovdNoNodes CraneCmdError = 200
)

// CraneError carries the exit code a command should end with. An empty
// message means the error was already reported.
type CraneError struct {
	Code    CraneCmdError
	Message string
}

func (e *CraneError) Error() string {
	return e.Message
}

func NewCraneErr(code CraneCmdError, message string) *CraneError {
	return &CraneError{Code: code, Message: message}
}

func WrapCraneErr(code CraneCmdError, format string, err error) *CraneError {
	if strings.Contains(format, "%") {
		return &CraneError{Code: code, Message: fmt.Sprintf(format, err)}
	}
	return &CraneError{Code: code, Message: fmt.Sprintf("%s: %v", format, err)}
}

// RunEWrapperForLeafCommand keeps cobra from printing usage on runtime
// errors of leaf commands; RunAndHandleExit reports them instead.
func RunEWrapperForLeafCommand(cmd *cobra.Command) {
	if len(cmd.Commands()) == 0 {
		if cmd.RunE != nil {
			runE := cmd.RunE
			cmd.RunE = func(cmd *cobra.Command, args []string) error {
				cmd.SilenceUsage = true
				return runE(cmd, args)
			}
		}
		return
	}
	for _, sub := range cmd.Commands() {
		RunEWrapperForLeafCommand(sub)
	}
}

func RunAndHandleExit(cmd *cobra.Command) {
	cmd.SilenceErrors = true
	err := cmd.Execute()
	if err == nil {
		os.Exit(ErrorSuccess)
	}

	var craneErr *CraneError
	if errors.As(err, &craneErr) {
		if craneErr.Message != "" {
			fmt.Fprintln(os.Stderr, craneErr.Message)
		}
		os.Exit(craneErr.Code)
	}
	// flag and argument errors from cobra itself
	fmt.Fprintln(os.Stderr, err)
	os.Exit(ErrorCmdArg)
}
