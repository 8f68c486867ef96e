// Package catalog implements the pizza and topping services.
//
// Pizzas reference toppings by id. A topping may also carry the id of the
// pizza it belongs to; such owned toppings are deleted together with their
// pizza, while shared toppings are never touched by a pizza delete. Deleting
// a topping leaves references to it in place until RemoveToppingReferences
// prunes them.
//
// Names are unique per entity type under NormalizeName. The store enforces
// this atomically with a constraint row per name; the scan that precedes
// every write only turns the common collision into a cheap early failure.
//
// Every error returned by a service is one of ValidationError,
// DuplicateError, NotFoundError, ConflictError or InfrastructureError.
package catalog
