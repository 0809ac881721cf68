package cmdtree

import (
	"fmt"
	"strings"

	"github.com/g960059/vlab/internal/property"
	"github.com/g960059/vlab/internal/scpi"
)

// Handler executes one resolved command. recv is the instrument the tree is
// being dispatched for; params is the raw parameter text.
type Handler interface {
	Call(recv any, params string) (string, error)
}

type HandlerFunc func(recv any, params string) (string, error)

func (f HandlerFunc) Call(recv any, params string) (string, error) { return f(recv, params) }

func receiver[T any](recv any) (T, error) {
	r, ok := recv.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("receiver %T does not support this command", recv)
	}
	return r, nil
}

// Query adapts a parameterless query. Parameters are rejected with -108.
func Query[T any](fn func(recv T) (string, error)) Handler {
	return HandlerFunc(func(recv any, params string) (string, error) {
		if strings.TrimSpace(params) != "" {
			return "", scpi.NewValidationError(scpi.CodeParameterNotAllowed, params, "query takes no parameters")
		}
		r, err := receiver[T](recv)
		if err != nil {
			return "", err
		}
		return fn(r)
	})
}

// Method adapts a handler that needs both the receiver and the raw parameters.
func Method[T any](fn func(recv T, params string) (string, error)) Handler {
	return HandlerFunc(func(recv any, params string) (string, error) {
		r, err := receiver[T](recv)
		if err != nil {
			return "", err
		}
		return fn(r, params)
	})
}

// Write adapts a setter.
func Write[T any](fn func(recv T, params string) error) Handler {
	return HandlerFunc(func(recv any, params string) (string, error) {
		r, err := receiver[T](recv)
		if err != nil {
			return "", err
		}
		return "", fn(r, params)
	})
}

// Const replies with a fixed value regardless of the receiver.
func Const(reply string) Handler {
	return HandlerFunc(func(any, string) (string, error) { return reply, nil })
}

// Bind registers pattern as a setter and pattern+"?" as a query for the
// Property selected by prop. Readonly properties still get a setter so that
// writes are answered with a settings conflict instead of an unknown header.
func Bind[T any](t *Tree, pattern string, prop func(recv T) property.Accessor) {
	t.Register(pattern+scpi.QuerySuffix, Query(func(r T) (string, error) {
		return prop(r).Get(), nil
	}))
	t.Register(pattern, Write(func(r T, params string) error {
		return prop(r).Set(params)
	}))
}
