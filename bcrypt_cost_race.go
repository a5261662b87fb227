//go:build race

package auth

import "golang.org/x/crypto/bcrypt"

// Race builds hash several times slower, so they fall back to the
// library default cost.
func passwordHashCost() int { return bcrypt.DefaultCost }
