// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's permission level within an organization.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Organization is the tenant boundary. It owns an API key and its events.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a local user record linked to an external identity subject.
type User struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthMethod records which credential produced an AuthContext.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api_key"
	AuthBearer AuthMethod = "bearer"
)

// AuthContext is the request-scoped result of authentication. UserID and
// Role are only set for bearer-token callers.
type AuthContext struct {
	OrgID  uuid.UUID  `json:"org_id"`
	Method AuthMethod `json:"method"`
	UserID *uuid.UUID `json:"user_id,omitempty"`
	Role   Role       `json:"role,omitempty"`
}
