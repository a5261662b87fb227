//go:build !race

package auth

// passwordHashCost is the cost NewBcryptHasher uses when given zero.
func passwordHashCost() int { return 12 }
