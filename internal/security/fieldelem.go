package security

import "math/big"

// Minimal field-element arithmetic over GF(2^255-19), used only to map an
// Edwards25519 y-coordinate to its Montgomery u-coordinate equivalent
// (Ed25519PubToX25519). This is not a general-purpose field implementation;
// it exists solely for that one conversion and intentionally uses math/big
// rather than a fixed-width representation since it runs once per identity
// key, not in a hot path.

var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	p.Sub(p, big.NewInt(19))
	return p
}()

type fieldElem struct {
	v *big.Int
}

func feFromBytes(b [32]byte) fieldElem {
	// Little-endian per Ed25519/Curve25519 convention.
	buf := make([]byte, 32)
	for i := 0; i < 32; i++ {
		buf[i] = b[31-i]
	}
	n := new(big.Int).SetBytes(buf)
	n.Mod(n, fieldPrime)
	return fieldElem{v: n}
}

func feToBytes(f fieldElem) [32]byte {
	buf := f.v.Bytes()
	var out [32]byte
	for i := 0; i < len(buf) && i < 32; i++ {
		out[i] = buf[len(buf)-1-i]
	}
	return out
}

func feOne() fieldElem {
	return fieldElem{v: big.NewInt(1)}
}

func feAdd(a, b fieldElem) fieldElem {
	r := new(big.Int).Add(a.v, b.v)
	r.Mod(r, fieldPrime)
	return fieldElem{v: r}
}

func feSub(a, b fieldElem) fieldElem {
	r := new(big.Int).Sub(a.v, b.v)
	r.Mod(r, fieldPrime)
	return fieldElem{v: r}
}

func feMul(a, b fieldElem) fieldElem {
	r := new(big.Int).Mul(a.v, b.v)
	r.Mod(r, fieldPrime)
	return fieldElem{v: r}
}

func feInvert(a fieldElem) (fieldElem, bool) {
	if a.v.Sign() == 0 {
		return fieldElem{}, false
	}
	exp := new(big.Int).Sub(fieldPrime, big.NewInt(2))
	r := new(big.Int).Exp(a.v, exp, fieldPrime)
	return fieldElem{v: r}, true
}
