// ABOUTME: User ID generation for fresh profiles.

package profile

import "github.com/google/uuid"

func generateUserID() string {
	return uuid.New().String()
}
