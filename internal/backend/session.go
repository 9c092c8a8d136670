package backend

import (
	"strings"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

// Session is the identity the client acts for. The token is opaque.
type Session interface {
	BearerToken() string
	StudentID() marketplace.StudentID
}

// StaticSession is a Session fixed at construction.
type StaticSession struct {
	token     string
	studentID marketplace.StudentID
}

// NewStaticSession builds a Session. An empty token means anonymous.
func NewStaticSession(token string, studentID marketplace.StudentID) StaticSession {
	return StaticSession{token: strings.TrimSpace(token), studentID: studentID}
}

// BearerToken implements Session.
func (session StaticSession) BearerToken() string {
	return session.token
}

// StudentID implements Session.
func (session StaticSession) StudentID() marketplace.StudentID {
	return session.studentID
}

// Authenticated reports whether session carries a bearer credential.
func Authenticated(session Session) bool {
	return session != nil && session.BearerToken() != ""
}
