package types

// Credentials are a user's plaintext portal login, decrypted on demand by a
// credential source and never persisted by this module.
type Credentials struct {
	LoginID  string
	Password string
}

// Empty reports whether either field is missing.
func (c Credentials) Empty() bool {
	return c.LoginID == "" || c.Password == ""
}
