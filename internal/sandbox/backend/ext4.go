package backend

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

const (
	ext4SuperblockOffset = 1024
	ext4MagicOffset      = 0x38
	ext4UUIDOffset       = 0x68
	ext4Magic            = 0xEF53
)

// VolumeUUID returns the filesystem UUID of an ext2/3/4 image or device. The guest
// locates drives by this UUID.
func VolumeUUID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sb := make([]byte, ext4UUIDOffset+16)
	if _, err := f.ReadAt(sb, ext4SuperblockOffset); err != nil && err != io.EOF {
		return "", fmt.Errorf("read superblock of %s: %w", path, err)
	}
	if binary.LittleEndian.Uint16(sb[ext4MagicOffset:]) != ext4Magic {
		return "", fmt.Errorf("%s is not an ext filesystem image", path)
	}
	id, err := uuid.FromBytes(sb[ext4UUIDOffset : ext4UUIDOffset+16])
	if err != nil {
		return "", fmt.Errorf("parse uuid of %s: %w", path, err)
	}
	return id.String(), nil
}
