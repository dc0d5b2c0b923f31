/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * USB device matching by vendor/product id
 */

package mtpusb

// hwidMatch reports the matching weight of a (vid, pid) pattern
// against a fingerprint's actual (vid, pid): adapted from the
// teacher's HWIDPattern.Match weighting (exact VID+PID wins heavily
// over a VID-only wildcard; no match returns -1).
func hwidMatch(patternVID, patternPID uint16, anyPid bool, vid, pid uint16) int {
	ok := vid == patternVID && (anyPid || pid == patternPID)
	switch {
	case !ok:
		return -1 // No match
	case anyPid:
		return 1 // Match by VID only
	default:
		return 1000 // Match by VID+PID
	}
}
