package domain

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("flanesname", func(fl validator.FieldLevel) bool {
		return NamePattern.MatchString(fl.Field().String())
	})
	return v
}

// NameKind labels which validation surface a name failed, for error
// messages that name the allowed regex per spec.md section 4.4's failure
// semantics ("Invalid lane or workspace name: rejected with a message
// naming the allowed regex").
type NameKind string

const (
	NameKindLane      NameKind = "lane"
	NameKindWorkspace NameKind = "workspace"
)

// ValidateName checks a lane or workspace name against NamePattern and
// additionally rejects path separators, "..", and NUL bytes even though the
// regex already excludes "/" — this mirrors the belt-and-suspenders checks
// original_source's _validate_lane_name performs before touching the
// filesystem.
func ValidateName(kind NameKind, name string) error {
	if name == "" || !NamePattern.MatchString(name) {
		return Newf(ErrInvalidName, "%s name %q must match %s", kind, name, NamePattern.String())
	}
	if strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return Newf(ErrInvalidName, "%s name %q must not contain path separators, .. or NUL", kind, name)
	}
	return nil
}

// ValidatePath checks a relative path accepted from outside the module
// (template rendering targets, tree entry names on ingest) for traversal
// and absolute-path attempts, per spec.md section 6's validation surface.
func ValidatePath(path string) error {
	if path == "" {
		return Newf(ErrInvalidName, "path must not be empty")
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return Newf(ErrInvalidName, "path %q must not be absolute", path)
	}
	for _, seg := range strings.Split(filepathSplit(path), "\x00") {
		if seg == ".." {
			return Newf(ErrInvalidName, "path %q must not contain ..", path)
		}
	}
	if strings.Contains(path, "\x00") {
		return Newf(ErrInvalidName, "path %q must not contain NUL", path)
	}
	return nil
}

// filepathSplit normalizes path separators to NUL-joined segments so
// ValidatePath can check ".." components uniformly on any platform without
// importing path/filepath here (this package stays filesystem-agnostic).
func filepathSplit(path string) string {
	normalized := strings.ReplaceAll(path, "\\", "/")
	return strings.Join(strings.Split(normalized, "/"), "\x00")
}

// Struct runs struct-tag based validation for boundary documents (config,
// intent metadata shapes supplied externally) using the shared validator
// instance.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		return Newf(ErrInvalidName, "%v", err)
	}
	return nil
}
