package rbac

import "projectsync/internal/model"

// Permission names one capability an actor may hold.
type Permission string

// 权限常量
const (
	PermissionViewRead          Permission = "view:read"
	PermissionCreateProject     Permission = "project:create"
	PermissionEditProject       Permission = "project:edit"
	PermissionDeleteProject     Permission = "project:delete"
	PermissionChangeProjectType Permission = "project:change_type"
	PermissionToggleProgress    Permission = "progress:toggle"

	PermissionRaiseSuggestion   Permission = "suggestion:raise"
	PermissionReplySuggestion   Permission = "suggestion:reply"
	PermissionResolveSuggestion Permission = "suggestion:resolve"
	PermissionReviewSuggestion  Permission = "suggestion:review"

	PermissionManageClients Permission = "client:manage"
	PermissionAdminRecords  Permission = "admin:records"
	PermissionAdminOutbox   Permission = "admin:outbox"
)

// 角色权限映射
var rolePermissions = map[model.Role][]Permission{
	model.RoleClient: {
		PermissionViewRead,
		PermissionRaiseSuggestion,
		PermissionReplySuggestion,
		PermissionResolveSuggestion,
	},
	model.RoleCompany: {
		PermissionViewRead,
		PermissionCreateProject,
		PermissionEditProject,
		PermissionDeleteProject,
		PermissionChangeProjectType,
		PermissionToggleProgress,
		PermissionReplySuggestion,
		PermissionResolveSuggestion,
		PermissionReviewSuggestion,
		PermissionManageClients,
	},
	model.RoleAdmin: {
		PermissionViewRead,
		PermissionAdminRecords,
		PermissionAdminOutbox,
	},
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role model.Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查权限（返回错误而不是布尔值，便于处理）
func CheckPermission(id model.Identity, permission Permission) error {
	if !HasPermission(id.Role, permission) {
		return &PermissionDeniedError{
			ActorID:    id.ID,
			Role:       id.Role,
			Permission: permission,
		}
	}
	return nil
}

// Capabilities returns a copy of the role's permission list.
func Capabilities(role model.Role) []Permission {
	return append([]Permission(nil), rolePermissions[role]...)
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	ActorID    string
	Role       model.Role
	Permission Permission
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + string(e.Role) + " lacks " + string(e.Permission)
}

func (e *PermissionDeniedError) Is(target error) bool { return target == model.ErrForbidden }
