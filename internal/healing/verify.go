package healing

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// VerifyYAML parses every document in content and returns the first syntax error.
func VerifyYAML(content []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	for i := 0; ; i++ {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
	}
}
