// File: logging/noop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package logging

// Noop discards everything.
type Noop struct{}

func (Noop) Debug(string, ...Field) {}
func (Noop) Info(string, ...Field)  {}
func (Noop) Warn(string, ...Field)  {}
func (Noop) Error(string, ...Field) {}
