/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Program configuration
 */

package mtpusb

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// ConfFileName defines a name of mtpusb configuration file
	ConfFileName = "mtpusb.conf"
)

// Configuration represents a program configuration
type Configuration struct {
	MaxChunkBytes     int           // Streaming chunk size, absent a quirk override
	MinChunkBytes     int           // Chunk fallback ladder floor
	IOTimeout         time.Duration // Bulk I/O phase timeout
	OverallDeadline   time.Duration // Whole-command deadline
	VerifyTransfers   bool          // Hash-verify downloads/uploads
	JournalDir        string        // Transfer journal root
	IdentityDir       string        // Stable-device-identity store root
	LogDevice         LogLevel      // Per-device LogLevel mask
	LogMain           LogLevel      // Main log LogLevel mask
	LogConsole        LogLevel      // Console  LogLevel mask
	LogMaxFileSize    int64         // Maximum log file size
	LogMaxBackupFiles uint          // Count of files preserved during rotation
	ColorConsole      bool          // Enable ANSI colors on console
	Quirks            *QuirksDB     // Device quirks
}

// Conf contains a global instance of program configuration
var Conf = Configuration{
	MaxChunkBytes:     DefaultMaxChunkBytes,
	MinChunkBytes:     MinChunkBytes,
	IOTimeout:         DefaultIOTimeout,
	OverallDeadline:   DefaultOverallDeadline,
	VerifyTransfers:   true,
	JournalDir:        PathJournalDir,
	IdentityDir:       PathIdentityDir,
	LogDevice:         LogDebug,
	LogMain:           LogDebug,
	LogConsole:        LogDebug,
	LogMaxFileSize:    256 * 1024,
	LogMaxBackupFiles: 5,
	ColorConsole:      true,
}

// ConfLoad loads the program configuration
func ConfLoad() error {
	// Obtain path to executable directory
	exepath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("conf: %s", err)
	}

	exepath = filepath.Dir(exepath)

	// Build list of configuration files
	files := []string{
		filepath.Join(PathConfDir, ConfFileName),
		filepath.Join(exepath, ConfFileName),
	}

	// Load file by file
	for _, file := range files {
		err = confLoadInternal(file)
		if err != nil {
			return fmt.Errorf("conf: %s", err)
		}
	}

	// Load quirks: shipped defaults, then locally-added overrides,
	// then a directory next to the executable, each of these three
	// layers winning over the last.
	quirksDirs := []string{
		PathQuirksDir,
		PathConfQuirksDir,
		filepath.Join(exepath, "mtpusb-quirks"),
	}

	Conf.Quirks, err = LoadQuirksDBDirs(quirksDirs...)
	return err
}

// Create "bad value" error
func confBadValue(rec *IniRecord, format string, args ...interface{}) error {
	return fmt.Errorf(rec.Key+": "+format, args...)
}

// Load the program configuration -- internal version
func confLoadInternal(path string) error {
	// Open configuration file
	ini, err := OpenIniFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = nil
		}
		return err
	}

	defer ini.Close()

	// Extract options
	for err == nil {
		var rec *IniRecord
		rec, err = ini.Next()
		if err != nil {
			break
		}

		switch rec.Section {
		case "transfer":
			switch rec.Key {
			case "max-chunk-bytes":
				err = confLoadSizeIntKey(&Conf.MaxChunkBytes, rec)
			case "min-chunk-bytes":
				err = confLoadSizeIntKey(&Conf.MinChunkBytes, rec)
			case "io-timeout":
				err = confLoadDurationKey(&Conf.IOTimeout, rec)
			case "overall-deadline":
				err = confLoadDurationKey(&Conf.OverallDeadline, rec)
			case "verify":
				err = confLoadBinaryKey(&Conf.VerifyTransfers, rec, "disable", "enable")
			}
		case "paths":
			switch rec.Key {
			case "journal-dir":
				Conf.JournalDir = rec.Value
			case "identity-dir":
				Conf.IdentityDir = rec.Value
			}
		case "logging":
			switch rec.Key {
			case "device-log":
				err = confLoadLogLevelKey(&Conf.LogDevice, rec)
			case "main-log":
				err = confLoadLogLevelKey(&Conf.LogMain, rec)
			case "console-log":
				err = confLoadLogLevelKey(&Conf.LogConsole, rec)
			case "console-color":
				err = confLoadBinaryKey(&Conf.ColorConsole, rec, "disable", "enable")
			case "max-file-size":
				err = confLoadSizeKey(&Conf.LogMaxFileSize, rec)
			case "max-backup-files":
				err = confLoadUintKey(&Conf.LogMaxBackupFiles, rec)
			}
		}
	}

	if err != nil && err != io.EOF {
		return err
	}

	// Validate configuration
	if Conf.MinChunkBytes > Conf.MaxChunkBytes {
		return errors.New("min-chunk-bytes must be less than or equal to max-chunk-bytes")
	}

	return nil
}

// Load the binary key
func confLoadBinaryKey(out *bool, rec *IniRecord, vFalse, vTrue string) error {
	switch rec.Value {
	case vFalse:
		*out = false
		return nil
	case vTrue:
		*out = true
		return nil
	default:
		return confBadValue(rec, "must be %s or %s", vFalse, vTrue)
	}
}

// Load LogLevel key
func confLoadLogLevelKey(out *LogLevel, rec *IniRecord) error {
	var mask LogLevel
	for _, s := range strings.Split(rec.Value, ",") {
		s = strings.TrimSpace(s)
		switch s {
		case "":
		case "error":
			mask |= LogError
		case "info":
			mask |= LogInfo | LogError
		case "debug":
			mask |= LogDebug | LogInfo | LogError
		case "trace-protocol":
			mask |= LogTraceProtocol | LogDebug | LogInfo | LogError
		case "trace-usb":
			mask |= LogTraceUSB | LogDebug | LogInfo | LogError
		case "trace-transfer":
			mask |= LogTraceTransfer | LogDebug | LogInfo | LogError
		case "all", "trace-all":
			mask |= LogAll
		default:
			return confBadValue(rec, "invalid log level %q", s)
		}
	}

	*out = mask
	return nil
}

// Load size key, producing an int64
func confLoadSizeKey(out *int64, rec *IniRecord) error {
	sz, err := confParseSize(rec)
	if err != nil {
		return err
	}
	*out = int64(sz)
	return nil
}

// Load size key, producing an int (chunk sizes never approach
// int64's range, and the rest of the pipeline's chunk-size fields
// are plain int)
func confLoadSizeIntKey(out *int, rec *IniRecord) error {
	sz, err := confParseSize(rec)
	if err != nil {
		return err
	}
	*out = int(sz)
	return nil
}

func confParseSize(rec *IniRecord) (uint64, error) {
	units := uint64(1)
	value := rec.Value

	if l := len(value); l > 0 {
		switch value[l-1] {
		case 'k', 'K':
			units = 1024
		case 'm', 'M':
			units = 1024 * 1024
		}

		if units != 1 {
			value = value[:l-1]
		}
	}

	sz, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, confBadValue(rec, "%q: invalid size", rec.Value)
	}

	if sz > math.MaxInt64/units {
		return 0, confBadValue(rec, "size too large")
	}

	return sz * units, nil
}

// Load unsigned integer key
func confLoadUintKey(out *uint, rec *IniRecord) error {
	num, err := strconv.ParseUint(rec.Value, 10, 0)
	if err != nil {
		return confBadValue(rec, "%q: invalid number", rec.Value)
	}

	*out = uint(num)
	return nil
}

// Load unsigned integer key within the range
func confLoadUintKeyRange(out *uint, rec *IniRecord, min, max uint) error {
	var val uint
	err := confLoadUintKey(&val, rec)
	if err == nil && (val < min || val > max) {
		err = confBadValue(rec, "must be in range %d...%d", min, max)
	}

	if err == nil {
		*out = val
	}

	return err
}

// Load a duration key, accepting Go's standard duration syntax
// ("10s", "250ms") as well as a bare integer number of milliseconds.
func confLoadDurationKey(out *time.Duration, rec *IniRecord) error {
	if d, err := time.ParseDuration(rec.Value); err == nil {
		*out = d
		return nil
	}

	ms, err := strconv.ParseUint(rec.Value, 10, 64)
	if err != nil {
		return confBadValue(rec, "%q: invalid duration", rec.Value)
	}

	*out = time.Duration(ms) * time.Millisecond
	return nil
}
