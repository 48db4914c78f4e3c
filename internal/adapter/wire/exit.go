package wire

import (
	"fmt"
	"strconv"
	"strings"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// FormatExit renders the DONE payload text: `<code>@<testClass>#<testName>`.
// The test is only included for timeouts; otherwise the text is `<code>@#`.
func FormatExit(exit m.WorkerExit) string {
	if exit.Code == m.ExitTimeout && !exit.CurrentTest.IsZero() {
		return strconv.Itoa(int(exit.Code)) + "@" + exit.CurrentTest.TestClass + "#" + exit.CurrentTest.Name
	}

	return strconv.Itoa(int(exit.Code)) + "@#"
}

// ParseExit decodes a DONE payload produced by FormatExit.
func ParseExit(text string) (m.WorkerExit, error) {
	codeText, rest, ok := strings.Cut(text, "@")
	if !ok {
		return m.WorkerExit{}, fmt.Errorf("%w: exit status %q has no '@'", ErrMalformedFrame, text)
	}

	code, err := strconv.Atoi(codeText)
	if err != nil {
		return m.WorkerExit{}, fmt.Errorf("%w: exit code %q: %w", ErrMalformedFrame, codeText, err)
	}

	// Package paths never contain '#', subtest names may.
	class, name, ok := strings.Cut(rest, "#")
	if !ok {
		return m.WorkerExit{}, fmt.Errorf("%w: exit status %q has no '#'", ErrMalformedFrame, text)
	}

	return m.WorkerExit{
		Code:        m.ExitCodeFromInt(code),
		CurrentTest: m.Description{TestClass: class, Name: name},
	}, nil
}
