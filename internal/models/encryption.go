package models

// Parameters of the AES-GCM content encryption applied to message text at rest
const (
	KeySize    = 32     // AES-256
	NonceSize  = 12     // GCM standard nonce size
	Iterations = 100000 // PBKDF2 iterations
)
