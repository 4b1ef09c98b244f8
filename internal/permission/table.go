package permission

import "context"

// TableChecker allows an operation if the user's Role is mapped to a
// set of permitted operations. A role of "" (unauthenticated) is
// looked up like any other role, so the table can grant a limited set
// of operations to anonymous clients.
type TableChecker struct {
	// Roles maps role name to the set of operations that role may perform.
	Roles map[string]map[Operation]bool
}

// NewTableChecker builds a TableChecker from a simpler role->ops list,
// which is easier to construct from configuration.
func NewTableChecker(roles map[string][]Operation) *TableChecker {
	t := &TableChecker{Roles: make(map[string]map[Operation]bool, len(roles))}
	for role, ops := range roles {
		set := make(map[Operation]bool, len(ops))
		for _, op := range ops {
			set[op] = true
		}
		t.Roles[role] = set
	}
	return t
}

// Check reports whether user.Role is permitted to perform op.
func (t *TableChecker) Check(_ context.Context, user UserContext, op Operation, _ string) (bool, error) {
	ops, ok := t.Roles[user.Role]
	if !ok {
		return false, nil
	}
	if ops[OpAdmin] {
		return true, nil
	}
	return ops[op], nil
}

// Anonymous returns the UserContext granted to clients that never
// authenticate: whatever the table maps the empty role to.
func (t *TableChecker) Anonymous() UserContext {
	perms := make([]string, 0, len(t.Roles[""]))
	for op := range t.Roles[""] {
		perms = append(perms, string(op))
	}
	return UserContext{Anonymous: true, Permissions: perms}
}
