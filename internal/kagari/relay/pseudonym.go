package relay

// letters renders n (1-based) in bijective base-26: 1 is "A", 26 is "Z",
// 27 is "AA". Counters only grow, so a label is never handed out twice.
func letters(n int) string {
	if n < 1 {
		return ""
	}
	var buf []byte
	for n > 0 {
		n--
		buf = append([]byte{byte('A' + n%26)}, buf...)
		n /= 26
	}
	return string(buf)
}

// UserLabel is the pseudonym shown for the n-th participant of a lobby.
func UserLabel(n int) string {
	return "User " + letters(n)
}

// DMLabel is the pseudonym shown for the n-th standalone direct-message
// participant. Drawn from a deployment-wide counter, not a per-lobby one.
func DMLabel(n int) string {
	return "DM-" + letters(n)
}
