package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ruteri/module-identity-provisioning/interfaces"
)

const (
	// WorkloadAPIVersion is the workload API version used for signing.
	WorkloadAPIVersion = "2019-01-30"

	// SignAlgorithm is the only algorithm requested from the workload API.
	SignAlgorithm = "HMACSHA256"

	// WaitQueryParam bounds how long a twin request may be held open waiting
	// for a change past the ETag given in If-None-Match.
	WaitQueryParam = "wait"
)

// SignRequest is the body of a workload API sign call. Data is base64.
type SignRequest struct {
	KeyID string `json:"keyId"`
	Algo  string `json:"algo"`
	Data  string `json:"data"`
}

// SignResponse carries the base64 digest.
type SignResponse struct {
	Digest string `json:"digest"`
}

// ErrorResponse is returned by the hub and the workload emulator on failure.
type ErrorResponse struct {
	Message string `json:"message"`
}

// DeviceMessagesPath is where a module posts device-to-cloud messages.
func DeviceMessagesPath(ref interfaces.ModuleRef) string {
	return fmt.Sprintf("/api/devices/%s/modules/%s/messages", url.PathEscape(ref.DeviceID), url.PathEscape(ref.ModuleID))
}

// TwinPath is where a module reads (and long-polls) its document.
func TwinPath(ref interfaces.ModuleRef) string {
	return fmt.Sprintf("/api/devices/%s/modules/%s/twin", url.PathEscape(ref.DeviceID), url.PathEscape(ref.ModuleID))
}

// SignPath is the workload API sign path, without the api-version query.
func SignPath(moduleID, generationID string) string {
	return fmt.Sprintf("/modules/%s/genid/%s/sign", url.PathEscape(moduleID), url.PathEscape(generationID))
}

// FormatETagHeader quotes a document ETag for the ETag and If-None-Match
// headers.
func FormatETagHeader(etag interfaces.ETag) string {
	return `"` + string(etag) + `"`
}

// ParseETagHeader reverses FormatETagHeader. Weak validators are accepted.
func ParseETagHeader(value string) interfaces.ETag {
	value = strings.TrimPrefix(strings.TrimSpace(value), "W/")
	return interfaces.ETag(strings.Trim(value, `"`))
}

// Admin API, used to unlock a Shamir-split KMS.
const (
	AdminStatusPath = "/admin/status"
	AdminSharePath  = "/admin/share"
)

type AdminStatusResponse struct {
	State     string `json:"state"`
	Received  int    `json:"received"`
	Threshold int    `json:"threshold"`
}

// SubmitShareRequest carries one base64 encoded share.
type SubmitShareRequest struct {
	Share string `json:"share"`
}
