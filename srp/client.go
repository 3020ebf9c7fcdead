package srp

import (
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"math/big"
)

var (
	ErrInvalidB   = errors.New("srp: invalid server public key B")
	ErrM2Mismatch = errors.New("srp: server proof M2 didn't check")
)

type Client struct {
	param  *Param
	secret *big.Int
	a      *big.Int // public A
	k      []byte
	m1     []byte
	m2     []byte
}

// NewClient 使用给定的私钥 a 创建客户端，a 为空的时候随机生成32字节
func NewClient(param *Param, a []byte) *Client {
	if len(a) == 0 {
		a = make([]byte, 32)
		if _, err := rand.Read(a); err != nil {
			panic(err)
		}
	}
	secret := new(big.Int).SetBytes(a)
	return &Client{
		param:  param,
		secret: secret,
		a:      new(big.Int).Exp(param.G, secret, param.N),
	}
}

// A returns the unpadded client public key, the form GrandSlam expects in A2k.
func (c *Client) A() []byte {
	return c.a.Bytes()
}

/*
ProcessChallenge 根据服务器返回的salt和B计算会话密钥K和M1,M2
客户端 S = (B - k*g^x) ^ (a + u*x) mod N
*/
func (c *Client) ProcessChallenge(username, password, salt, serverB []byte) error {
	p := c.param
	B := new(big.Int).SetBytes(serverB)
	if B.Sign() <= 0 || B.Cmp(p.N) >= 0 {
		return ErrInvalidB
	}
	x := p.X(salt, username, password)
	u := p.Scrambler(c.a, B)

	gx := new(big.Int).Exp(p.G, x, p.N)
	base := new(big.Int).Mul(p.Multiplier(), gx)
	base.Sub(B, base)
	base.Mod(base, p.N)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.secret)

	S := new(big.Int).Exp(base, exp, p.N)
	c.k = p.SessionKey(p.Pad(S))

	A := p.Pad(c.a)
	c.m1 = p.M1(username, salt, A, p.Pad(B), c.k)
	c.m2 = p.M2(A, c.m1, c.k)
	return nil
}

func (c *Client) M1() []byte {
	return c.m1
}

func (c *Client) SessionKey() []byte {
	return c.k
}

func (c *Client) VerifyM2(m2 []byte) error {
	if len(c.m2) == 0 || !hmac.Equal(c.m2, m2) {
		return ErrM2Mismatch
	}
	return nil
}
