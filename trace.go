// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

// trace gates the stderr diagnostics sprinkled through the public entry
// points. Flip by hand when chasing a bug locally; never enabled in CI.
const trace = false
