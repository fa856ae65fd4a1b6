package account

import (
	"context"
	"errors"

	"github.com/careportal/careportal/internal/platform/auth"
)

// subjectSource adapts a UserStore to the slice of the record the auth
// pipeline consults. Hand it a CachedUsers so per-request lookups stay off
// the database.
type subjectSource struct {
	users UserStore
}

func NewSubjectSource(users UserStore) auth.SubjectSource {
	return subjectSource{users: users}
}

func (s subjectSource) Lookup(ctx context.Context, subjectID string) (*auth.SubjectRecord, error) {
	u, err := s.users.GetBySubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, auth.ErrSubjectNotFound
		}
		return nil, err
	}
	return &auth.SubjectRecord{
		SubjectID:         u.SubjectID,
		Role:              u.Role,
		Permissions:       u.Permissions,
		IsActive:          u.IsActive,
		IsEmailVerified:   u.IsEmailVerified,
		IsPhoneVerified:   u.IsPhoneVerified,
		PasswordUpdatedAt: u.PasswordUpdatedAt,
	}, nil
}
