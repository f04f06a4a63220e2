package storage

import (
	"fmt"
	"strconv"

	"github.com/ruteri/module-identity-provisioning/interfaces"
)

// Backends version documents with a counter starting at 1; version 0 is a
// document that does not exist, rendered as the empty ETag.
func formatETag(version uint64) interfaces.ETag {
	if version == 0 {
		return ""
	}
	return interfaces.ETag(strconv.FormatUint(version, 10))
}

func parseETag(etag interfaces.ETag) (uint64, error) {
	if etag == "" {
		return 0, nil
	}
	version, err := strconv.ParseUint(string(etag), 10, 64)
	if err != nil || version == 0 {
		return 0, fmt.Errorf("%w: malformed etag %q", interfaces.ErrVersionConflict, etag)
	}
	return version, nil
}
