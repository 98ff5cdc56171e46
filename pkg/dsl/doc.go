/*
Package dsl provides a Go DSL for programmatically constructing Espalier
journeys.

It allows developers to define multi-step intent sequences using a type-safe,
fluent builder pattern instead of assembling step slices by hand. This is
particularly useful for dynamic journey generation, unit testing, and
leveraging IDE autocompletion/type-checking.

Example usage:

	steps, err := dsl.NewJourney("acme").
		Session("checkout-42").
		Step("reserve_stock").Param("sku", "A-1").
		Undo("release_stock", map[string]any{"sku": "A-1"}).
		Step("charge_card").Param("amount", 4999).
		Undo("refund_card", map[string]any{"amount": 4999}).
		Step("ship_order").Param("sku", "A-1").
		Build()
	if err != nil {
		return err
	}

	journey, err := eng.RunJourney(ctx, "acme", "checkout-42", steps)
*/
package dsl
