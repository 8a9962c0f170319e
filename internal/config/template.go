package config

// defaultTemplate is rendered with the project id twice (id, name).
const defaultTemplate = `project:
  id: %s
  name: %s

journal:
  capacity: 1000
  shutdown_timeout: 5s
  persist_timeout: 2s
  sink: sqlite

server:
  addr: 127.0.0.1:8787
  base_path: /v1
  allow_actor_header: true

rules:
  catalog:
    - code: DP-001
      name: Implementation tasks must be <= 4h
      category: development_principles
      level: BLOCK
      applies_to: [task]
      kinds: [implementation]
      targets: [ready, active]
      descriptor:
        kind: threshold
        threshold: {field: effort_hours, op: ">", param: max_hours}
      params: {max_hours: 4}

    - code: DP-002
      name: Testing tasks must be <= 6h
      category: development_principles
      level: BLOCK
      applies_to: [task]
      kinds: [testing]
      targets: [ready, active]
      descriptor:
        kind: threshold
        threshold: {field: effort_hours, op: ">", param: max_hours}
      params: {max_hours: 6}

    - code: DP-003
      name: Design tasks must be <= 8h
      category: development_principles
      level: BLOCK
      applies_to: [task]
      kinds: [design]
      targets: [ready, active]
      descriptor:
        kind: threshold
        threshold: {field: effort_hours, op: ">", param: max_hours}
      params: {max_hours: 8}

    - code: DP-004
      name: Documentation tasks should stay under 4h
      category: development_principles
      level: LIMIT
      applies_to: [task]
      kinds: [documentation]
      targets: [ready, active]
      descriptor:
        kind: threshold
        threshold: {field: effort_hours, op: ">", param: max_hours}
      params: {max_hours: 4}

    - code: DP-005
      name: Consider splitting work items above 80h
      category: development_principles
      level: GUIDE
      applies_to: [work_item]
      targets: [ready, active]
      descriptor:
        kind: threshold
        threshold: {field: effort_hours, op: ">", param: max_hours}
      params: {max_hours: 80}

    - code: TEST-021
      name: Critical paths need 90% coverage
      category: testing_standards
      level: LIMIT
      applies_to: [task]
      kinds: [implementation, bugfix, testing]
      targets: [done]
      descriptor:
        kind: category_path
        category_path: {category: critical_paths, param: min_percent}
      params: {min_percent: 90}

    - code: WI-001
      name: Work items need a documented business value
      category: workflow_rules
      level: BLOCK
      applies_to: [work_item]
      targets: [ready]
      descriptor:
        kind: named_check
        named_check: {name: require_business_value}

    - code: WI-002
      name: Work items should define acceptance criteria
      category: workflow_rules
      level: GUIDE
      applies_to: [work_item]
      targets: [ready]
      descriptor:
        kind: named_check
        named_check: {name: acceptance_criteria_defined}
      params: {min_criteria: 1}

    - code: TASK-001
      name: Active tasks should have an assigned agent
      category: workflow_rules
      level: LIMIT
      applies_to: [task]
      targets: [active]
      descriptor:
        kind: named_check
        named_check: {name: require_assignee}

    - code: TASK-002
      name: Task dependencies must be done before work starts
      category: workflow_rules
      level: BLOCK
      applies_to: [task]
      targets: [active]
      descriptor:
        kind: named_check
        named_check: {name: dependencies_done}

    - code: TASK-003
      name: Blocking reasons must be resolved before unblocking
      category: workflow_rules
      level: BLOCK
      applies_to: [task]
      targets: [active, ready]
      descriptor:
        kind: named_check
        named_check: {name: no_blocking_reasons}

    - code: ENH-001
      name: Record missing work item phase
      category: enrichment
      level: ENHANCE
      applies_to: [work_item]
      descriptor:
        kind: named_check
        named_check: {name: phase_recorded}
`
