package server

import (
	"fmt"
	"net/http"
)

// HealthHandler reports that the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "PondChat server is running!")
}

// TestPageHandler serves an HTML page that connects to the /socket endpoint,
// joins a /chat/:room channel and exchanges messages in it.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>PondChat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>PondChat Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="nameInput" placeholder="Your name" value="guest">
        <input type="text" id="roomInput" placeholder="Room" value="lobby">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let channelName = '';
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected to ' + channelName : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function handleEvent(ev) {
            if (ev.event === 'message') {
                addMessage(ev.payload.from + ': ' + ev.payload.text, 'green');
            } else if (ev.event === 'presence_change') {
                addMessage('presence ' + ev.payload.type + ': ' + JSON.stringify(ev.payload.changed));
            } else {
                addMessage(ev.channelName + ' ' + ev.event + ' ' + JSON.stringify(ev.payload));
            }
        }

        function connect() {
            const name = document.getElementById('nameInput').value.trim() || 'guest';
            channelName = '/chat/' + (document.getElementById('roomInput').value.trim() || 'lobby');
            ws = new WebSocket('ws://' + location.host + '/socket?name=' + encodeURIComponent(name));

            ws.onopen = function() {
                ws.send(JSON.stringify({action: 'JOIN_CHANNEL', channelName: channelName, event: 'join', payload: {}}));
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                event.data.split('\n').forEach(function(line) {
                    if (line) handleEvent(JSON.parse(line));
                });
            };

            ws.onclose = function() {
                addMessage('Connection closed');
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function() {
                addMessage('Connection error');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({action: 'BROADCAST', channelName: channelName, event: 'message', payload: {text: text}}));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
