package circuitbreaker

import "context"

// Do 在熔断器保护下执行带返回值的调用。
//
//	resp, err := circuitbreaker.Do(ctx, cb, func(ctx context.Context) (*llm.ChatResponse, error) {
//	    return provider.Completion(ctx, req)
//	})
func Do[T any](ctx context.Context, cb CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
