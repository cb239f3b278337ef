package api

const docsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>tabwarden API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { height: 100vh; margin: 0; display: flex; flex-direction: column; }
    nav { padding: 8px 16px; border-bottom: 1px solid #ddd; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; font-size: 13px; }
    nav a { color: #0060df; text-decoration: none; margin-right: 16px; }
    elements-api { flex: 1; min-height: 0; }
  </style>
</head>
<body>
  <nav><strong>tabwarden</strong> &middot; <a href="/options">Options</a><a href="/api/v1/history">History</a></nav>
  <elements-api apiDescriptionUrl="/openapi.json" router="hash" layout="sidebar" tryItCredentialsPolicy="same-origin" />
</body>
</html>`

const optionsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>tabwarden options</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 640px; margin: 32px auto; color: #0c0c0d; }
    h1 { font-size: 20px; }
    h2 { font-size: 16px; margin-top: 28px; }
    label { display: block; margin-bottom: 6px; }
    input[type=number] { width: 80px; padding: 4px; }
    button { background: #0060df; color: #fff; border: none; padding: 6px 12px; border-radius: 4px; cursor: pointer; }
    button.secondary { background: #6d6d6e; }
    #status { margin-left: 8px; color: #058b00; }
    .window { border: 1px solid #ccc; border-radius: 4px; padding: 8px 12px; margin-bottom: 12px; }
    .tab { display: flex; align-items: center; gap: 8px; padding: 4px 0; }
    .tab span { flex: 1; overflow: hidden; text-overflow: ellipsis; white-space: nowrap; }
    .tab.active span { font-weight: 600; }
  </style>
</head>
<body>
  <h1>tabwarden</h1>
  <p><a href="/docs">API docs</a></p>
  <form id="settings">
    <label for="max-tabs">Maximum tabs per window</label>
    <input id="max-tabs" type="number" min="1" required />
    <button type="submit">Save</button>
    <span id="status"></span>
  </form>

  <h2>Open tabs</h2>
  <div id="windows"></div>

  <script>
    const api = (path, opts) => fetch('/api/v1' + path, Object.assign({ headers: { 'Content-Type': 'application/json' } }, opts || {}))
      .then(r => r.ok ? r.json() : r.json().then(e => Promise.reject(new Error(e.detail || r.statusText))));

    function flash(text) {
      const el = document.getElementById('status');
      el.textContent = text;
      setTimeout(() => { el.textContent = ''; }, 2000);
    }

    function loadSettings() {
      api('/settings').then(s => { document.getElementById('max-tabs').value = s.max_tabs_per_window; });
    }

    function loadTabs() {
      api('/tabs').then(res => {
        const root = document.getElementById('windows');
        root.textContent = '';
        (res.windows || []).forEach(w => {
          const box = document.createElement('div');
          box.className = 'window';
          const title = document.createElement('strong');
          title.textContent = 'Window ' + w.window_id + ' (' + w.tabs.length + ' tabs)';
          box.appendChild(title);
          w.tabs.forEach(t => {
            const row = document.createElement('div');
            row.className = 'tab' + (t.active ? ' active' : '');
            const label = document.createElement('span');
            label.textContent = t.title || t.url;
            label.title = t.url;
            const go = document.createElement('button');
            go.className = 'secondary';
            go.textContent = 'Go';
            go.onclick = () => api('/tabs/' + encodeURIComponent(t.id) + '/activate', { method: 'POST' });
            const close = document.createElement('button');
            close.textContent = 'Close';
            close.onclick = () => api('/tabs/' + encodeURIComponent(t.id), { method: 'DELETE' }).then(loadTabs);
            row.append(label, go, close);
            box.appendChild(row);
          });
          root.appendChild(box);
        });
      });
    }

    document.getElementById('settings').addEventListener('submit', e => {
      e.preventDefault();
      const n = parseInt(document.getElementById('max-tabs').value, 10);
      api('/settings', { method: 'PUT', body: JSON.stringify({ max_tabs_per_window: n }) })
        .then(() => flash('Saved'))
        .catch(err => flash(err.message));
    });

    loadSettings();
    loadTabs();

    const events = new EventSource('/api/v1/events?feeds=admission,settings');
    ['admission', 'settings'].forEach(feed => events.addEventListener(feed, () => { loadSettings(); loadTabs(); }));
  </script>
</body>
</html>`
