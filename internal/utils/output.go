package utils

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by --format.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// WriteJSON writes data as indented JSON followed by a newline.
func WriteJSON(w io.Writer, data interface{}) error {
	jsonData, err := MarshalJSON(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(jsonData))
	return err
}

// WriteYAML writes data as YAML.
func WriteYAML(w io.Writer, data interface{}) error {
	yamlData, err := MarshalYAML(data)
	if err != nil {
		return err
	}
	_, err = w.Write(yamlData)
	return err
}

// WriteStructured writes data in a machine readable format. It reports
// false for FormatText, leaving the output to the caller.
func WriteStructured(w io.Writer, format string, data interface{}) (bool, error) {
	switch format {
	case FormatJSON:
		return true, WriteJSON(w, data)
	case FormatYAML:
		return true, WriteYAML(w, data)
	case FormatText, "":
		return false, nil
	default:
		return false, fmt.Errorf("unknown output format %q (text, json or yaml)", format)
	}
}

// MarshalJSON marshals the provided data as indented JSON.
func MarshalJSON(data interface{}) ([]byte, error) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return jsonData, nil
}

// MarshalYAML marshals the provided data as YAML.
func MarshalYAML(data interface{}) ([]byte, error) {
	yamlData, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return yamlData, nil
}
