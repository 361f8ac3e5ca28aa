package portalcrypt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/caresphere/portalcrypt/internal"
	"github.com/caresphere/portalcrypt/pkg/log"
)

// Field crypto metrics
var (
	fieldEncryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.field.encrypt", MetricsPrefix), nil)
	fieldDecryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.field.decrypt", MetricsPrefix), nil)
)

// maxWalkDepth bounds recursion when scanning untrusted documents so
// pathological nesting cannot exhaust the stack. Subtrees beyond the limit
// are left untouched.
const maxWalkDepth = 64

// FieldCondition decides whether a field's current plaintext value should be
// encrypted. Returning false skips the field.
type FieldCondition func(value gjson.Result) bool

// FieldResult is the outcome of EncryptFields.
type FieldResult struct {
	// Data is the transformed document. The input document is never
	// modified.
	Data []byte
	// EncryptedFields lists the paths actually encrypted, which may be a
	// strict subset of the requested paths.
	EncryptedFields []string
	// Section names the key used.
	Section Section
}

// EncryptFieldValue JSON-serializes a single value and encrypts it,
// splitting the ciphertext and authentication tag into the distinct wire
// fields the backend expects.
func EncryptFieldValue(value interface{}, key *Key) (*EncryptedFieldValue, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "error serializing field value")
	}

	return encryptRawField(plaintext, key)
}

// encryptRawField encrypts an already-serialized JSON value.
func encryptRawField(plaintext []byte, key *Key) (*EncryptedFieldValue, error) {
	defer fieldEncryptTimer.UpdateSince(time.Now())

	nonce, sealed, err := sealWithKey(plaintext, key)
	if err != nil {
		return nil, err
	}

	split := len(sealed) - TagSize

	return &EncryptedFieldValue{
		Enc: EncryptedFieldData{
			Ciphertext: internal.B64Encode(sealed[:split]),
			IV:         internal.B64Encode(nonce),
			Tag:        internal.B64Encode(sealed[split:]),
		},
	}, nil
}

// DecryptFieldValue re-joins the split ciphertext and tag, decrypts, and
// returns the serialized JSON of the original value. Any failure is reported
// as ErrDecryption.
func DecryptFieldValue(v *EncryptedFieldValue, key *Key) ([]byte, error) {
	defer fieldDecryptTimer.UpdateSince(time.Now())

	ct, err := internal.B64Decode(v.Enc.Ciphertext)
	if err != nil {
		log.Debugf("field ciphertext decode failed: %v", err)
		return nil, ErrDecryption
	}

	nonce, err := internal.B64Decode(v.Enc.IV)
	if err != nil {
		log.Debugf("field iv decode failed: %v", err)
		return nil, ErrDecryption
	}

	tag, err := internal.B64Decode(v.Enc.Tag)
	if err != nil {
		log.Debugf("field tag decode failed: %v", err)
		return nil, ErrDecryption
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(append(sealed, ct...), tag...)

	plaintext, err := openWithKey(nonce, sealed, key)
	if err != nil {
		log.Debugf("field decrypt failed: %v", err)
		return nil, ErrDecryption
	}

	return plaintext, nil
}

// EncryptFields encrypts the values at the requested dot-paths of a JSON
// document under one section key. A path is skipped when it does not exist,
// when its value is null, or when a registered condition returns false for
// its current value. The returned document is a transformed copy; the input
// is never modified.
func EncryptFields(doc []byte, paths []string, key *Key, section Section, conditions map[string]FieldCondition) (*FieldResult, error) {
	if !gjson.ValidBytes(doc) {
		return nil, errors.New("invalid json document")
	}

	out := doc
	encrypted := make([]string, 0, len(paths))

	for _, path := range paths {
		segs, err := splitFieldPath(path)
		if err != nil {
			return nil, err
		}

		value, ok := lookupField(out, segs)
		if !ok || value.Type == gjson.Null {
			continue
		}

		if cond, exists := conditions[path]; exists && cond != nil && !cond(value) {
			continue
		}

		// value.Raw is the already-serialized JSON of the field value.
		efv, err := encryptRawField([]byte(value.Raw), key)
		if err != nil {
			return nil, errors.Wrapf(err, "error encrypting field %q", path)
		}

		wrapper, err := json.Marshal(efv)
		if err != nil {
			return nil, errors.Wrapf(err, "error serializing wrapper for field %q", path)
		}

		out, err = sjson.SetRawBytes(out, joinEscaped(segs), wrapper)
		if err != nil {
			return nil, errors.Wrapf(err, "error writing field %q", path)
		}

		encrypted = append(encrypted, path)
	}

	return &FieldResult{
		Data:            out,
		EncryptedFields: encrypted,
		Section:         section,
	}, nil
}

// DecryptFields decrypts the values at the requested dot-paths of a JSON
// document. Paths that are absent or whose value does not match the
// encrypted-field wrapper are left untouched, making the operation
// idempotent and safe to call speculatively. A failing decrypt aborts the
// whole call.
func DecryptFields(doc []byte, paths []string, key *Key) ([]byte, error) {
	if !gjson.ValidBytes(doc) {
		return nil, errors.New("invalid json document")
	}

	out := doc

	for _, path := range paths {
		segs, err := splitFieldPath(path)
		if err != nil {
			return nil, err
		}

		value, ok := lookupField(out, segs)
		if !ok || !isEncryptedFieldResult(value) {
			continue
		}

		plaintext, err := decryptWrappedResult(value, key)
		if err != nil {
			return nil, errors.Wrapf(err, "error decrypting field %q", path)
		}

		out, err = sjson.SetRawBytes(out, joinEscaped(segs), plaintext)
		if err != nil {
			return nil, errors.Wrapf(err, "error writing field %q", path)
		}
	}

	return out, nil
}

// AutoDecryptFields recursively scans every object and array in a JSON
// document and decrypts any value matching the encrypted-field wrapper,
// wherever it is found. It is the fallback for responses with no known
// schema and assumes every detected field was encrypted under the one
// provided key; mixed-section documents fail with ErrDecryption on the first
// field the key does not fit.
func AutoDecryptFields(doc []byte, key *Key) ([]byte, error) {
	if !gjson.ValidBytes(doc) {
		return nil, errors.New("invalid json document")
	}

	root := gjson.ParseBytes(doc)

	// The whole document may itself be a wrapper.
	if isEncryptedFieldResult(root) {
		return decryptWrappedResult(root, key)
	}

	var paths []string

	collectWrapperPaths(root, "", 0, &paths)

	out := doc

	for _, path := range paths {
		value := gjson.GetBytes(out, path)
		if !isEncryptedFieldResult(value) {
			continue
		}

		plaintext, err := decryptWrappedResult(value, key)
		if err != nil {
			return nil, errors.Wrapf(err, "error decrypting detected field %q", path)
		}

		var setErr error

		out, setErr = sjson.SetRawBytes(out, path, plaintext)
		if setErr != nil {
			return nil, errors.Wrapf(setErr, "error writing detected field %q", path)
		}
	}

	return out, nil
}

// HasEncryptedFields reports whether any value in the document matches the
// encrypted-field wrapper. Used to decide whether auto-decryption is worth
// deriving a key for.
func HasEncryptedFields(doc []byte) bool {
	if !gjson.ValidBytes(doc) {
		return false
	}

	root := gjson.ParseBytes(doc)
	if isEncryptedFieldResult(root) {
		return true
	}

	var paths []string

	collectWrapperPaths(root, "", 0, &paths)

	return len(paths) > 0
}

// decryptWrappedResult decrypts a gjson value known to match the wrapper
// shape, returning the serialized plaintext value.
func decryptWrappedResult(v gjson.Result, key *Key) ([]byte, error) {
	var efv EncryptedFieldValue
	if err := json.Unmarshal([]byte(v.Raw), &efv); err != nil {
		return nil, ErrDecryption
	}

	return DecryptFieldValue(&efv, key)
}

// collectWrapperPaths walks objects and arrays, collecting the gjson paths
// of wrapper-shaped values. It does not descend into matched wrappers or
// primitives, and stops at maxWalkDepth.
func collectWrapperPaths(v gjson.Result, prefix string, depth int, out *[]string) {
	if depth >= maxWalkDepth {
		log.Debugf("field scan: depth limit reached at %q, skipping subtree", prefix)
		return
	}

	switch {
	case v.IsObject():
		v.ForEach(func(key, value gjson.Result) bool {
			childPath := escapeSegment(key.String())
			if prefix != "" {
				childPath = prefix + "." + childPath
			}

			if isEncryptedFieldResult(value) {
				*out = append(*out, childPath)
				return true
			}

			collectWrapperPaths(value, childPath, depth+1, out)

			return true
		})
	case v.IsArray():
		i := 0
		v.ForEach(func(_, value gjson.Result) bool {
			childPath := strconv.Itoa(i)
			if prefix != "" {
				childPath = prefix + "." + childPath
			}

			if isEncryptedFieldResult(value) {
				*out = append(*out, childPath)
			} else {
				collectWrapperPaths(value, childPath, depth+1, out)
			}

			i++

			return true
		})
	}
}

// FieldValue returns the value at a dot-path in a JSON document. Traversal
// through a non-object or a missing intermediate yields not-found rather
// than an error, as do paths using the unimplemented bracket-index syntax.
func FieldValue(doc []byte, path string) (gjson.Result, bool) {
	segs, err := splitFieldPath(path)
	if err != nil {
		return gjson.Result{}, false
	}

	return lookupField(doc, segs)
}

// HasField reports whether a dot-path exists in a JSON document.
func HasField(doc []byte, path string) bool {
	_, ok := FieldValue(doc, path)
	return ok
}

// SetFieldValue sets the value at a dot-path, creating intermediate plain
// objects for any segment that does not yet exist or is not itself an
// object. The returned document is a copy; the input is never modified.
func SetFieldValue(doc []byte, path string, value interface{}) ([]byte, error) {
	segs, err := splitFieldPath(path)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "error serializing value")
	}

	return setRawField(doc, segs, raw)
}

func setRawField(doc []byte, segs []string, raw []byte) ([]byte, error) {
	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		// A non-object document is replaced wholesale.
		return wrapRawInObjects(segs, raw), nil
	}

	cur := root

	for i, seg := range segs[:len(segs)-1] {
		next := cur.Get(escapeSegment(seg))
		if !next.Exists() || !next.IsObject() {
			// Graft the remaining segments here as fresh nested objects.
			return sjson.SetRawBytes(doc, joinEscaped(segs[:i+1]), wrapRawInObjects(segs[i+1:], raw))
		}

		cur = next
	}

	return sjson.SetRawBytes(doc, joinEscaped(segs), raw)
}

// wrapRawInObjects nests raw inside objects keyed by segs, innermost last.
func wrapRawInObjects(segs []string, raw []byte) []byte {
	for i := len(segs) - 1; i >= 0; i-- {
		// json.Marshal of a string cannot fail.
		k, _ := json.Marshal(segs[i])
		raw = []byte(fmt.Sprintf("{%s:%s}", k, raw))
	}

	return raw
}

// lookupField walks successive object property accesses. Arrays and
// primitives terminate the walk as not-found.
func lookupField(doc []byte, segs []string) (gjson.Result, bool) {
	cur := gjson.ParseBytes(doc)

	for _, seg := range segs {
		if !cur.IsObject() {
			return gjson.Result{}, false
		}

		cur = cur.Get(escapeSegment(seg))
		if !cur.Exists() {
			return gjson.Result{}, false
		}
	}

	return cur, true
}

// splitFieldPath validates and splits a dot-path. Bracket-index syntax is
// not implemented and is rejected outright so a misconfigured schema cannot
// silently skip a field it was meant to protect.
func splitFieldPath(path string) ([]string, error) {
	if path == "" {
		return nil, errors.Wrap(ErrInvalidFieldPath, "empty path")
	}

	if strings.ContainsAny(path, "[]") {
		return nil, errors.Wrapf(ErrInvalidFieldPath, "bracket index syntax not supported: %q", path)
	}

	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, errors.Wrapf(ErrInvalidFieldPath, "empty segment: %q", path)
		}
	}

	return segs, nil
}

// escapeSegment escapes gjson/sjson path syntax so a segment is always
// treated as a literal key.
func escapeSegment(seg string) string {
	if !strings.ContainsAny(seg, `\.*?|#@`) {
		return seg
	}

	var b strings.Builder

	for _, r := range seg {
		switch r {
		case '\\', '.', '*', '?', '|', '#', '@':
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}

func joinEscaped(segs []string) string {
	escaped := make([]string, len(segs))
	for i, s := range segs {
		escaped[i] = escapeSegment(s)
	}

	return strings.Join(escaped, ".")
}
