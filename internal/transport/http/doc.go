// Package http exposes the licence registry over HTTP.
//
// Installations call POST /activate, /validate and /usage (also served under
// /api/license). Those endpoints answer with the licence wire envelope
//
//	{"success": false, "message": "...", "error_code": "MAX_DEVICES_REACHED"}
//
// so that the client can map error codes to its own error kinds. The /admin
// API is for operators; it authenticates with a JWT from POST /admin/login and
// reports failures as RFC 7807 problem details.
//
// Handlers stay thin: they bind and validate the body, attach the caller IP
// for the activity log, call the registry service and render the result.
package http
