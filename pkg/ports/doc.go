// Package ports watches which TCP ports are listening inside the box by
// reading /proc/net/tcp and tcp6 directly, so no netstat binary is
// needed in the image. Scanning starts on the first snapshot request
// and repeats on a fixed interval after that.
package ports
