package domain

// AgentRole scopes what an authenticated operator may do with the queue.
type AgentRole string

const (
	RoleAgent      AgentRole = "AGENT"
	RoleSupervisor AgentRole = "SUPERVISOR"
)

// Valid reports whether r is a known role.
func (r AgentRole) Valid() bool {
	return r == RoleAgent || r == RoleSupervisor
}
