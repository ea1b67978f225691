package utils

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// PromptYesNo asks question on out until a y/n answer is read from in.
// End of input counts as no.
func PromptYesNo(in io.Reader, out io.Writer, question string) bool {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%s (y/n): ", question)
		response, err := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(response)) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			fmt.Fprintln(out)
			return false
		}
		fmt.Fprintln(out, "Please enter y or n")
	}
}

// PromptLine prints label and reads one trimmed line from in. Share one
// reader between successive prompts so buffered input is not lost.
func PromptLine(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
