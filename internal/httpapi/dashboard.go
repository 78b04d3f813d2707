package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relaymail</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { color: var(--muted); font-size: 0.9rem; margin-top: 4px; }
    .controls { display: flex; gap: 8px; margin-top: 10px; }
    .controls input, .controls select {
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 8px 10px;
      font: inherit;
    }
    .controls input { flex: 1; }
    button {
      border: 0;
      border-radius: 10px;
      padding: 8px 12px;
      font: inherit;
      font-weight: 700;
      background: var(--accent);
      color: #fff;
      cursor: pointer;
    }
    .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 14px; }
    ul { list-style: none; margin: 0; padding: 0; }
    li { border-bottom: 1px solid var(--line); padding: 8px 0; }
    .meta { color: var(--muted); font-size: 0.82rem; }
    .auto { color: var(--accent); font-size: 0.75rem; margin-left: 6px; }
    .failed { color: var(--danger); }
    @media (max-width: 800px) { .grid { grid-template-columns: 1fr; } }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>relaymail</h1>
      <div class="sub" id="status">connecting...</div>
      <div class="controls">
        <select id="folder">
          <option value="inbox">Inbox</option>
          <option value="sent">Sent</option>
          <option value="all">All</option>
        </select>
        <input id="search" placeholder="Search mail" />
        <button id="reload" type="button">Reload</button>
      </div>
    </div>
    <div class="grid">
      <div class="panel"><ul id="messages"></ul></div>
      <div class="panel"><ul id="tasks"></ul></div>
    </div>
  </div>
  <script>
    (function () {
      const dom = {
        status: document.getElementById("status"),
        folder: document.getElementById("folder"),
        search: document.getElementById("search"),
        reload: document.getElementById("reload"),
        messages: document.getElementById("messages"),
        tasks: document.getElementById("tasks"),
      };

      async function request(path, init) {
        const res = await fetch(path, init);
        const body = await res.json();
        if (!res.ok) {
          throw new Error(body.message || res.statusText);
        }
        return body;
      }

      function row(title, meta, cls) {
        const li = document.createElement("li");
        const strong = document.createElement("div");
        strong.textContent = title;
        if (cls) {
          strong.className = cls;
        }
        const small = document.createElement("div");
        small.className = "meta";
        small.textContent = meta;
        li.appendChild(strong);
        li.appendChild(small);
        return li;
      }

      async function refresh() {
        try {
          const q = "?folder=" + encodeURIComponent(dom.folder.value) + "&q=" + encodeURIComponent(dom.search.value) + "&limit=200";
          const [status, mail, tasks] = await Promise.all([
            request("/v1/status"),
            request("/v1/messages" + q),
            request("/v1/tasks"),
          ]);
          dom.status.textContent = status.connection + " | " + status.phase + " | " + status.messages + " messages | " + status.tasks + " tasks" +
            (status.snapshotError ? " | " + status.snapshotError : "");
          dom.messages.innerHTML = "";
          mail.messages.forEach(function (e) {
            const li = row(e.message.subject || "(no subject)", (e.message.from.name || e.message.from.email) + " | " + e.timestamp);
            if (e.message.isFromAutomatedSender) {
              const tag = document.createElement("span");
              tag.className = "auto";
              tag.textContent = "automated";
              li.firstChild.appendChild(tag);
            }
            dom.messages.appendChild(li);
          });
          dom.tasks.innerHTML = "";
          tasks.tasks.forEach(function (e) {
            dom.tasks.appendChild(row(e.task.title || e.task.type || e.id, e.task.status, e.task.status === "failed" ? "failed" : ""));
          });
        } catch (err) {
          dom.status.textContent = "error: " + String(err && err.message ? err.message : err);
        }
      }

      let pending = null;
      function schedule() {
        if (pending) {
          return;
        }
        pending = setTimeout(function () {
          pending = null;
          refresh();
        }, 200);
      }

      function connect() {
        const proto = location.protocol === "https:" ? "wss://" : "ws://";
        const ws = new WebSocket(proto + location.host + "/v1/stream");
        ws.onmessage = schedule;
        ws.onclose = function () { setTimeout(connect, 2000); };
      }

      dom.folder.addEventListener("change", refresh);
      dom.search.addEventListener("input", schedule);
      dom.reload.addEventListener("click", function () {
        request("/v1/reload", { method: "POST" }).then(schedule, schedule);
      });
      refresh();
      connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
