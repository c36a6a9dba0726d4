// Package wire lists the frames exchanged between the host and the guest
// manager once the handshake is done.
package wire

const (
	// UploadName prefixes the framed name of an uploaded bundle.
	UploadName = "N"
	// UploadLength is the raw byte sent before the 8-byte big-endian bundle size.
	UploadLength byte = 'F'
	// FileEnds follows the raw bundle bytes.
	FileEnds = "FILE ENDS"
	// Received acknowledges a complete upload.
	Received = "RECEIVED"
	// Spawned reports that the agent process has started.
	Spawned = "SPAWNED"

	// Input carries bytes for the agent's stdin.
	Input = "INPUT_"
	// Output carries one line of agent stdout.
	Output = "OUTPUT_"
	// Terminated reports that the agent process exited. The payload is its stderr.
	Terminated = "F_"
	// Reboot restarts the agent with a JSON array of arguments.
	Reboot = "REBOOT_"

	// TakeFile requests a file from the guest filesystem.
	TakeFile = "TAKEFILE_"
	// File announces the decimal length of the raw file bytes that follow.
	File = "FILE_"
	// FileError reports that a file could not be read. The payload is the reason.
	FileError = "FILEERR_"
	// FileErrorNotFound is the FileError reason for a missing file.
	FileErrorNotFound = "NOTFOUND"

	// UploadLengthSize is the width of the raw bundle size.
	UploadLengthSize = 8
)
