/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Tests for .INI reader
 */

package mtpusb

import (
	"io"
	"testing"
)

// Don't forget to update testData when testdata/mtpusb.conf changes
var testData = []struct{ section, key, value string }{
	{"transfer", "max-chunk-bytes", "1M"},
	{"transfer", "min-chunk-bytes", "256K"},
	{"transfer", "io-timeout", "10s"},
	{"transfer", "verify", "enable"},
	{"logging", "device-log", "all"},
	{"logging", "main-log", "debug"},
	{"logging", "console-log", "debug"},
	{"logging", "max-file-size", "256K"},
	{"logging", "max-backup-files", "5"},
	{"logging", "console-color", "enable"},
}

// Test .INI reader
func TestIniReader(t *testing.T) {
	ini, err := OpenIniFile("testdata/mtpusb.conf")
	if err != nil {
		t.Fatalf("%s", err)
	}

	defer ini.Close()

	// Read record by record
	var rec *IniRecord
	current := 0
	for err == nil {
		rec, err = ini.Next()
		if err != nil {
			break
		}

		if current >= len(testData) {
			t.Errorf("unexpected record: [%s] %s = %s", rec.Section, rec.Key, rec.Value)
		} else if rec.Section != testData[current].section ||
			rec.Key != testData[current].key ||
			rec.Value != testData[current].value {
			t.Errorf("data mismatch:")
			t.Errorf("  expected: [%s] %s = %s", testData[current].section, testData[current].key, testData[current].value)
			t.Errorf("  present:  [%s] %s = %s", rec.Section, rec.Key, rec.Value)
		} else {
			current++
		}
	}

	if err != io.EOF {
		t.Fatalf("%s", err)
	}
}
