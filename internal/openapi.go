//go:generate go run github.com/swaggo/swag/v2/cmd/swag init --parseInternal --outputTypes json -g openapi.go -o .
package internal

// @title         lectern api
// @version       1.0
// @description   Book metadata acquisition, aggregation, and hydration engine.
//
// @contact.url   https://github.com/bmeredith/lectern
//
// @license.name  MIT
// @license.url   https://opensource.org/license/mit
