/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * UUID normalization and generation tests
 */

package mtpusb

import (
	"strings"
	"testing"
)

var testDataUUID = []struct{ in, out string }{
	{"01234567-89ab-cdef-0123-456789abcdef", "01234567-89ab-cdef-0123-456789abcdef"},
	{"01234567-89ab-cdef-0123-456789abcde", ""},
	{"01234567-89ab-cdef-0123-456789abcdef0", ""},
	{"urn:01234567-89ab-cdef-0123-456789abcdef", "01234567-89ab-cdef-0123-456789abcdef"},
	{"urn:uuid:01234567-89ab-cdef-0123-456789abcdef", "01234567-89ab-cdef-0123-456789abcdef"},
	{"0123456789abcdef0123456789abcdef", "01234567-89ab-cdef-0123-456789abcdef"},
	{"{0123456789abcdef0123456789abcdef}", "01234567-89ab-cdef-0123-456789abcdef"},
}

// Test UUIDNormalize
func TestUUIDNormalize(t *testing.T) {
	for _, data := range testDataUUID {
		uuid := UUIDNormalize(data.in)
		if uuid != data.out {
			t.Errorf("UUIDNormalize(%q): expected %q, got %q", data.in, data.out, uuid)
		}
	}
}

func TestGenerateUUIDv4(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateUUIDv4()
		if UUIDNormalize(id) != id {
			t.Fatalf("generateUUIDv4() produced a non-canonical uuid: %q", id)
		}
		if !strings.HasPrefix(id[14:], "4") {
			t.Errorf("generateUUIDv4() version nibble: expected 4, got %q", id[14:15])
		}
		if seen[id] {
			t.Fatalf("generateUUIDv4() produced a duplicate: %q", id)
		}
		seen[id] = true
	}
}
