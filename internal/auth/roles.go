package auth

// Role is the access level carried in a token.
type Role string

const (
	RoleReader   Role = "reader"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Permission is a capability checked by the API.
type Permission string

const (
	PermQuery       Permission = "query"
	PermJournalRead Permission = "journal:read"
	PermExec        Permission = "exec"
	PermBatch       Permission = "batch"
	PermRaw         Permission = "raw"
)

var rolePermissions = map[Role][]Permission{
	RoleReader:   {PermQuery, PermJournalRead},
	RoleOperator: {PermQuery, PermJournalRead, PermExec, PermBatch},
	RoleAdmin:    {PermQuery, PermJournalRead, PermExec, PermBatch, PermRaw},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
