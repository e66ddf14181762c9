package ingress

import (
	"github.com/go-crypt/crypt/algorithm"
	"github.com/go-crypt/crypt/algorithm/pbkdf2"
)

func pbkdf2OnlyHasher() (algorithm.Hash, error) {
	return pbkdf2.NewSHA512()
}

func encodeToken(token string, hasher algorithm.Hash) (string, error) {
	hash, err := hasher.Hash(token)
	if err != nil {
		return "", err
	}
	return algorithm.Digest.Encode(hash), nil
}

// MustEncodeToken digests a plaintext token into the form accepted in
// http.auth_tokens.
func MustEncodeToken(token string) string {
	hasher, err := pbkdf2OnlyHasher()
	if err != nil {
		panic(err)
	}
	encoded, err := encodeToken(token, hasher)
	if err != nil {
		panic(err)
	}
	return encoded
}
