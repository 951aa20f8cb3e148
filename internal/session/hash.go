package session

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blowfish"
)

// The device hands out a complete bcrypt salt ("$2y$10$" + 22 characters) and
// expects the password hashed with exactly that salt. golang.org/x/crypto/bcrypt
// only hashes with random salts, so the algorithm is assembled here from the
// blowfish primitives it is built on.

const (
	bcryptMinCost         = 4
	bcryptMaxCost         = 31
	bcryptPrefixSize      = 7 // "$2a$10$"
	bcryptEncodedSaltSize = 22
	bcryptRawHashSize     = 23
)

// magicCipherData is "OrpheanBeholderScryDoubt", encrypted 64 times per block.
var magicCipherData = []byte{
	0x4f, 0x72, 0x70, 0x68,
	0x65, 0x61, 0x6e, 0x42,
	0x65, 0x68, 0x6f, 0x6c,
	0x64, 0x65, 0x72, 0x53,
	0x63, 0x72, 0x79, 0x44,
	0x6f, 0x75, 0x62, 0x74,
}

var bcryptEncoding = base64.NewEncoding("./ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789").
	WithPadding(base64.NoPadding)

// HashPassword returns the bcrypt hash of password using the device salt.
// Salt strings longer than the prefix plus 22 salt characters (for example a
// complete hash) are cut to that length.
func HashPassword(password, salt string) (string, error) {
	version, cost, encodedSalt, err := parseSalt(salt)
	if err != nil {
		return "", err
	}

	rawSalt, err := bcryptEncoding.DecodeString(encodedSalt)
	if err != nil {
		return "", fmt.Errorf("invalid salt encoding: %w", err)
	}

	c, err := expensiveBlowfishSetup([]byte(password), cost, rawSalt)
	if err != nil {
		return "", err
	}

	cipherData := make([]byte, len(magicCipherData))
	copy(cipherData, magicCipherData)
	for i := 0; i < len(cipherData); i += blowfish.BlockSize {
		for j := 0; j < 64; j++ {
			c.Encrypt(cipherData[i:i+blowfish.BlockSize], cipherData[i:i+blowfish.BlockSize])
		}
	}

	hash := bcryptEncoding.EncodeToString(cipherData[:bcryptRawHashSize])
	return fmt.Sprintf("$2%c$%02d$%s%s", version, cost, encodedSalt, hash), nil
}

// parseSalt splits "$2a$10$<22 chars>" into its parts.
func parseSalt(salt string) (version byte, cost int, encodedSalt string, err error) {
	if len(salt) < bcryptPrefixSize+bcryptEncodedSaltSize {
		return 0, 0, "", fmt.Errorf("salt too short: %d characters", len(salt))
	}
	if salt[0] != '$' || salt[1] != '2' || salt[3] != '$' || salt[6] != '$' {
		return 0, 0, "", fmt.Errorf("unsupported salt format %q", salt[:bcryptPrefixSize])
	}

	version = salt[2]
	switch version {
	case 'a', 'b', 'y':
	default:
		return 0, 0, "", fmt.Errorf("unsupported bcrypt version %q", version)
	}

	cost, err = strconv.Atoi(salt[4:6])
	if err != nil {
		return 0, 0, "", fmt.Errorf("invalid bcrypt cost %q: %w", salt[4:6], err)
	}
	if cost < bcryptMinCost || cost > bcryptMaxCost {
		return 0, 0, "", fmt.Errorf("bcrypt cost %d out of range", cost)
	}

	return version, cost, salt[bcryptPrefixSize : bcryptPrefixSize+bcryptEncodedSaltSize], nil
}

func expensiveBlowfishSetup(key []byte, cost int, salt []byte) (*blowfish.Cipher, error) {
	// The NUL terminator is part of the key. ExpandKey reads at most 72 bytes.
	ckey := make([]byte, len(key), len(key)+1)
	copy(ckey, key)
	ckey = append(ckey, 0)

	c, err := blowfish.NewSaltedCipher(ckey, salt)
	if err != nil {
		return nil, fmt.Errorf("blowfish setup failed: %w", err)
	}

	rounds := uint64(1) << uint(cost)
	for i := uint64(0); i < rounds; i++ {
		blowfish.ExpandKey(ckey, c)
		blowfish.ExpandKey(salt, c)
	}

	return c, nil
}
