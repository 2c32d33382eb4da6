package transport

// indexHTML is a minimal viewer: it decodes the three frame messages and
// draws the pixels on a canvas, stretched to the 12-bit range.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>SensorStreamer</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            margin: 0;
            background: #111;
            color: #ddd;
        }
        header {
            padding: 8px 12px;
            font-size: 13px;
            display: flex;
            gap: 16px;
        }
        canvas {
            display: block;
            max-width: 100vw;
            max-height: calc(100vh - 40px);
            margin: 0 auto;
            image-rendering: pixelated;
        }
        a { color: #64b5f6; }
    </style>
</head>
<body>
    <header>
        <span id="status">connecting</span>
        <span id="info"></span>
        <span id="peak"></span>
        <a href="/api/stats">stats</a>
        <a href="/api/snapshot.tiff">snapshot</a>
    </header>
    <canvas id="frame"></canvas>
    <script>
        const FRAME_INFO = 0x325a329a, FRAME_HIST = 0x348da5f8, FRAME_HEADER = 0xf8a3f8a3;
        const canvas = document.getElementById('frame');
        const ctx = canvas.getContext('2d');
        let info = null;

        function draw(buf) {
            if (!info) return;
            const [rows, cols] = info.shape;
            const width = {uint8: 1, uint16: 2, uint32: 4}[info.dtype];
            const view = new DataView(buf, 4);
            canvas.width = cols;
            canvas.height = rows;
            const img = ctx.createImageData(cols, rows);
            for (let i = 0; i < rows * cols; i++) {
                let v = width === 1 ? view.getUint8(i) :
                        width === 2 ? view.getUint16(i * 2, true) : view.getUint32(i * 4, true);
                v = Math.min(255, v >> 4);
                img.data[i * 4] = img.data[i * 4 + 1] = img.data[i * 4 + 2] = v;
                img.data[i * 4 + 3] = 255;
            }
            ctx.putImageData(img, 0, 0);
        }

        function connect() {
            const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
            ws.binaryType = 'arraybuffer';
            ws.onopen = () => document.getElementById('status').textContent = 'connected';
            ws.onclose = () => {
                document.getElementById('status').textContent = 'disconnected';
                setTimeout(connect, 1000);
            };
            ws.onmessage = (ev) => {
                const magic = new DataView(ev.data).getUint32(0, true);
                if (magic === FRAME_INFO) {
                    info = JSON.parse(new TextDecoder().decode(new Uint8Array(ev.data, 4)));
                    document.getElementById('info').textContent =
                        info.timestamp + ' ' + info.shape.join('x') + ' ' + info.dtype;
                } else if (magic === FRAME_HIST) {
                    const v = new DataView(ev.data, 4);
                    let best = 0;
                    for (let i = 1; i < 1024; i++) {
                        if (v.getUint32(4096 + i * 4, true) > v.getUint32(4096 + best * 4, true)) best = i;
                    }
                    document.getElementById('peak').textContent = 'peak ' + v.getUint32(best * 4, true);
                } else if (magic === FRAME_HEADER) {
                    draw(ev.data);
                }
            };
        }
        connect();
    </script>
</body>
</html>`
