package schemavalidation

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func TestAllSchemasCompile(t *testing.T) {
	v := newValidator(t)
	for _, name := range []string{IngestBatch, Classify, CertificateInput, SessionFinish, Analyze, CertificatePayload, "event"} {
		assert.Contains(t, v.Names(), name)
	}

	d, err := Default()
	require.NoError(t, err)
	d2, _ := Default()
	assert.Same(t, d, d2)
}

// TestFixtures validates every document under testdata/valid against the
// schema named by its file prefix, and expects every document under
// testdata/invalid to fail.
func TestFixtures(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		dir   string
		valid bool
	}{
		{filepath.Join("testdata", "valid"), true},
		{filepath.Join("testdata", "invalid"), false},
	}
	for _, c := range cases {
		entries, err := os.ReadDir(c.dir)
		require.NoError(t, err)
		require.NotEmpty(t, entries)

		for _, e := range entries {
			t.Run(e.Name(), func(t *testing.T) {
				data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
				require.NoError(t, err)

				err = v.Validate(schemaFor(e.Name()), data)
				if c.valid {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, ErrInvalid)
				}
			})
		}
	}
}

// schemaFor maps "certificate-input.minimal.json" to "certificate-input".
func schemaFor(file string) string {
	for _, name := range []string{IngestBatch, Classify, CertificateInput, SessionFinish, Analyze, CertificatePayload} {
		if len(file) > len(name) && file[:len(name)+1] == name+"." {
			return name
		}
	}
	return file
}

func TestValidateErrors(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(IngestBatch, []byte(`{"events":[{"type":"keystroke","timestamp":1,"key":"a"}]}`))
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, IngestBatch, se.Schema)
	assert.Equal(t, "/events/0", se.Location)
	assert.Contains(t, se.Error(), "action")

	err = v.Validate(IngestBatch, []byte(`{"events":`))
	assert.ErrorIs(t, err, ErrInvalidJSON)

	err = v.Validate("nope", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownSchema)
	assert.False(t, errors.Is(err, ErrInvalid))
}

func TestValidateDecodesOneDocument(t *testing.T) {
	v := newValidator(t)

	assert.NoError(t, v.Validate(SessionFinish, []byte(` {"sessionToken":"a.b","text":"hi"} `+"\n")))
	assert.ErrorIs(t, v.Validate(SessionFinish, []byte(`{"sessionToken":"a.b"} {}`)), ErrInvalidJSON)
	assert.ErrorIs(t, v.Validate(SessionFinish, nil), ErrInvalidJSON)

	err := v.Validate(IngestBatch, []byte(`{"sessionToken":"a.b","batchSequence":"1","events":[]}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateValue(t *testing.T) {
	v := newValidator(t)
	doc := map[string]any{
		"events":        []any{map[string]any{"type": "paste", "timestamp": 10.0, "length": 40.0, "source": "external"}},
		"contentLength": 40.0,
	}
	assert.NoError(t, v.ValidateValue(Classify, doc))

	doc["contentLength"] = -1.0
	assert.ErrorIs(t, v.ValidateValue(Classify, doc), ErrInvalid)
}
