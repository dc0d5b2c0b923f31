/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Common paths
 */

package mtpusb

const (
	// PathConfDir holds mtpusb.conf.
	PathConfDir = "/etc/mtpusb"

	// PathProgState is the root of persistent runtime state.
	PathProgState = "/var/lib/mtpusb"

	// PathQuirksDir holds the shipped JSON quirk database files.
	PathQuirksDir = PathConfDir + "/quirks.d"

	// PathConfQuirksDir holds locally-added JSON quirk database
	// files, layered on top of PathQuirksDir.
	PathConfQuirksDir = PathConfDir + "/quirks.local.d"

	// PathJournalDir holds the transfer journal's record files.
	PathJournalDir = PathProgState + "/journal"

	// PathIdentityDir holds the stable-device-identity store.
	PathIdentityDir = PathProgState + "/identity"

	// PathLockDir holds single-writer lock files for the journal
	// and identity store.
	PathLockDir = PathProgState + "/lock"

	// PathLogDir holds per-device log files.
	PathLogDir = PathProgState + "/log"
)
