package manifest

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

var npmSections = map[string]bool{
	"dependencies":         true,
	"devDependencies":      true,
	"peerDependencies":     true,
	"optionalDependencies": true,
}

// npmLocator walks package.json tokens and records the byte range of the
// version string for name in every dependency section.
type npmLocator struct{}

func (npmLocator) locate(content []byte, name string) ([]span, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, errors.Wrap(err, "package.json")
	}

	var spans []span
	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return nil, errors.Wrap(err, "package.json")
		}
		if !npmSections[key] {
			if err := skipValue(dec); err != nil {
				return nil, errors.Wrap(err, "package.json")
			}
			continue
		}

		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "package.json")
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			if err := skipRest(dec, tok); err != nil {
				return nil, errors.Wrap(err, "package.json")
			}
			continue
		}

		for dec.More() {
			pkg, err := stringToken(dec)
			if err != nil {
				return nil, errors.Wrapf(err, "package.json %s", key)
			}
			tok, err := dec.Token()
			if err != nil {
				return nil, errors.Wrapf(err, "package.json %s", key)
			}
			if _, isString := tok.(string); !isString {
				if err := skipRest(dec, tok); err != nil {
					return nil, err
				}
				continue
			}
			if pkg != name {
				continue
			}
			end := int(dec.InputOffset()) - 1 // closing quote
			start := bytes.LastIndexByte(content[:end], '"') + 1
			spans = append(spans, span{start: start, end: end})
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, errors.Wrapf(err, "package.json %s", key)
		}
	}
	return spans, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return errors.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", errors.Errorf("expected string, got %v", tok)
	}
	return s, nil
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	return skipRest(dec, tok)
}

// skipRest consumes the remainder of a value whose first token is tok.
func skipRest(dec *json.Decoder, tok json.Token) error {
	d, ok := tok.(json.Delim)
	if !ok || (d != '{' && d != '[') {
		return nil
	}
	depth := 1
	for depth > 0 {
		t, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := t.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
