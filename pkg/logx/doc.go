// Package logx is a small structured logging facade over zerolog.
//
// Components take a Logger by value. The zero value is a safe no-op, so
// constructors can accept an unset logger and fall back to Nop().
package logx
