// Package email is a light-weight set of types fundamental to processing email.
package email

import "strings"

// Address is an email address.
type Address struct {
	Name string // display name, may be empty
	Addr string // user@domain
}

// String renders the address in display form: `"Name" <user@domain>`
// if a display name is present, bare user@domain otherwise.
func (a Address) String() string {
	if a.Name == "" {
		return a.Addr
	}
	buf := new(strings.Builder)
	buf.Grow(len(a.Name) + len(a.Addr) + 5)
	buf.WriteByte('"')
	buf.WriteString(a.Name)
	buf.WriteString(`" <`)
	buf.WriteString(a.Addr)
	buf.WriteByte('>')
	return buf.String()
}
