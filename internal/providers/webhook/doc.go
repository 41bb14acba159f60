/*
Package webhook wakes app backends. A disconnected app is resurrected by
POSTing a session request to the webhook URL from the app catalog; the
app's backend then dials /app-ws again.

	{"type":"session_request","sessionId":"u1-com.example.captions",
	 "userId":"u1","packageName":"com.example.captions",
	 "wakeId":"wake_01H...","relayUrl":"wss://relay.example.com/app-ws",
	 "timestamp":1700000000000}

Calls go through resty on a retryablehttp transport, are throttled by a
token bucket, and pass through one circuit breaker per package. 4xx
responses other than 429 are not retried and do not trip the breaker.
*/
package webhook
