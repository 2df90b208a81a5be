package entities

import "fmt"

// Interpreter is the closed set of runtimes a job may request. Only the
// fixed paths below are ever passed to execve; no user input reaches the
// path argument.
type Interpreter string

const (
	InterpreterPython3 Interpreter = "python3"
	InterpreterPython  Interpreter = "python"
	InterpreterNode    Interpreter = "node"
	InterpreterBash    Interpreter = "bash"
	InterpreterSh      Interpreter = "sh"
)

var interpreterPaths = map[Interpreter]string{
	InterpreterPython3: "/usr/bin/python3",
	InterpreterPython:  "/usr/bin/python",
	InterpreterNode:    "/usr/bin/node",
	InterpreterBash:    "/bin/bash",
	InterpreterSh:      "/bin/sh",
}

type UnsupportedInterpreterError struct {
	Interpreter string
}

func (e *UnsupportedInterpreterError) Error() string {
	return fmt.Sprintf("Unsupported interpreter: %s", e.Interpreter)
}

// Path resolves the interpreter to its fixed executable path. Anything
// outside the closed set is rejected, never substituted.
func (i Interpreter) Path() (string, error) {
	path, ok := interpreterPaths[i]
	if !ok {
		return "", &UnsupportedInterpreterError{Interpreter: string(i)}
	}
	return path, nil
}

func (i Interpreter) Valid() bool {
	_, ok := interpreterPaths[i]
	return ok
}

// Interpreters returns the supported set, for validation messages.
func Interpreters() []Interpreter {
	return []Interpreter{
		InterpreterPython3,
		InterpreterPython,
		InterpreterNode,
		InterpreterBash,
		InterpreterSh,
	}
}
