package logmatch

// preludeJS installs the `log` helper object scripts use to pick lines apart.
const preludeJS = `
(function(){
  function parseJSON(line) {
    if (typeof line !== "string" || line[0] !== "{") return null;
    try { return JSON.parse(line); } catch (e) { return null; }
  }

  // key=value pairs separated by spaces; values may be double quoted.
  function parseLogfmt(line) {
    if (typeof line !== "string") return null;
    const out = {};
    const re = /([^\s=]+)(?:=("((?:[^"\\]|\\.)*)"|\S*))?/g;
    let m;
    while ((m = re.exec(line)) !== null) {
      if (m[2] === undefined) { out[m[1]] = true; continue; }
      out[m[1]] = (m[3] !== undefined) ? m[3].replace(/\\(.)/g, "$1") : m[2];
    }
    return out;
  }

  function extract(line, re, group) {
    if (typeof line !== "string" || !(re instanceof RegExp)) return null;
    const m = re.exec(line);
    if (!m) return null;
    if (typeof group === "string") return (m.groups && m.groups[group] !== undefined) ? m.groups[group] : null;
    const v = m[(typeof group === "number") ? group : 1];
    return (typeof v === "string") ? v : null;
  }

  function field(obj, path) {
    if (!obj || typeof path !== "string" || path === "") return null;
    let cur = obj;
    for (const p of path.split(".")) {
      if (cur == null) return null;
      cur = cur[p];
    }
    return (cur === undefined) ? null : cur;
  }

  globalThis.log = { parseJSON, parseLogfmt, extract, field };
})();
`
