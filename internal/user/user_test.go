package user

import "testing"

func TestDisplayName(t *testing.T) {
	t.Parallel()

	name := "Alice Johnson"
	empty := ""

	tests := []struct {
		name string
		user User
		want string
	}{
		{"full name set", User{FullName: &name}, "Alice Johnson"},
		{"full name empty", User{FullName: &empty}, "User"},
		{"full name nil", User{}, "User"},
	}
	for _, tt := range tests {
		if got := tt.user.DisplayName(); got != tt.want {
			t.Errorf("%s: DisplayName() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
