// Package dedupe tracks recently seen message identifiers so the polling
// merge and the socket echo filter never admit the same message twice.
package dedupe
