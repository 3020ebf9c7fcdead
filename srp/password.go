package srp

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

/*
HashPassword 把密码转成SRP使用的口令，服务器协议为 s2k_fo 的时候sha256结果要先转成hex字符串
*/
func HashPassword(password string, salt []byte, iterations int, s2kFo bool) []byte {
	sum := sha256.Sum256([]byte(password))
	key := sum[:]
	if s2kFo {
		key = []byte(hex.EncodeToString(key))
	}
	return pbkdf2.Key(key, salt, iterations, sha256.Size, sha256.New)
}
