// Package logx provides a small structured logging facade over zerolog.
//
// Components take a logx.Logger by value; the zero value is a no-op so
// library code never has to nil-check its logger.
package logx
