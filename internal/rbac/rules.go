package rbac

const (
	PermExamView      = "exam:view"
	PermExamCreate    = "exam:create"
	PermExamEdit      = "exam:edit"
	PermAttemptCreate = "attempt:create"
	PermAttemptSave   = "attempt:save"
	PermAttemptSubmit = "attempt:submit"
	PermViewOwn       = "attempt:view-own"
	PermViewAll       = "attempt:view-all"
	PermGrade         = "attempt:grade"
	PermRegrade       = "attempt:regrade"
	PermRelease       = "results:release"
)

// RolePermissions is the default policy. "admin" in the engine's sense is any
// role holding attempt:view-all.
var RolePermissions = map[string][]string{
	"student": {
		PermExamView,
		PermAttemptCreate,
		PermAttemptSave,
		PermAttemptSubmit,
		PermViewOwn,
	},
	"teacher": {
		PermExamView,
		PermExamCreate,
		PermExamEdit,
		PermViewAll,
		PermGrade,
		PermRegrade,
		PermRelease,
	},
	"admin": {
		"*", // everything
	},
}
