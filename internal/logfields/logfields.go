package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyStage      = "stage"
	KeyRepo       = "repository"
	KeyRef        = "ref"
	KeyPath       = "path"
	KeyURL        = "url"
	KeyTool       = "tool"
	KeyPatch      = "patch"
	KeyPatchSet   = "patch_set"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func Ref(r string) slog.Attr          { return slog.String(KeyRef, r) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Tool(t string) slog.Attr         { return slog.String(KeyTool, t) }
func Patch(p string) slog.Attr        { return slog.String(KeyPatch, p) }
func PatchSet(s string) slog.Attr     { return slog.String(KeyPatchSet, s) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
