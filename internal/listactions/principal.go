package listactions

import "strconv"

// RoleAdmin may act on any recruiter's lists.
const RoleAdmin = "ADMIN"

// Principal is the authenticated caller, resolved outside this service.
type Principal struct {
	ID   int64
	Role string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Actor is the value recorded in updated_by columns.
func (p Principal) Actor() string { return strconv.FormatInt(p.ID, 10) }
