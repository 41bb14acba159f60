/*
Package ws serves the relay's two WebSocket endpoints with gorilla/websocket.

/app-ws carries third-party apps. The first frame must be

	{"type":"connection_init","packageName":"com.example.captions","userId":"u1"}

after which the socket is bound to the app's session (connection_ack) or
rejected (connection_error, close 4004). Every later text frame goes to
app.Manager.HandleAppMessage; writes come from the session's writer.

/glasses-ws?userId= carries the user's device. Binary frames are PCM
audio; text frames are stream events or responses to app requests.
Outbound frames are queued and written by a dedicated goroutine.

Both sockets answer pings within PongWait or are dropped.
*/
package ws
