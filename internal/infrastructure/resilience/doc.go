/*
Package resilience provides circuit breakers and retry backoff.

# Circuit breaker

A Breaker guards calls to one flaky target, such as an app's wake webhook.
After Threshold consecutive failures it opens and rejects calls with
ErrCircuitOpen until Cooldown passes, then admits Probes trial calls.

	Closed --[failures]-> Open --[cooldown]-> Half-Open --[successes]-> Closed
	                                              |
	                                          [failure]
	                                              v
	                                            Open

A Group keeps one breaker per key so a dead app backend does not affect
the others:

	breakers := resilience.NewGroup(resilience.Settings{Threshold: 3, Cooldown: time.Minute})
	err := breakers.Do(ctx, packageName, func(ctx context.Context) error {
		return client.Wake(ctx, packageName)
	})

Calls that fail because the caller's context ended are not counted.

# Backoff

Backoff computes jittered exponential delays for resurrection attempts:

	delay := resilience.DefaultBackoff().Duration(attempt)
*/
package resilience
