package pipeline

const systemPrompt = `You maintain a personal knowledge base of short, atomic markdown notes.
Answer with JSON only, no commentary.`

const extractPrompt = `Extract the distinct insights from the source document below.
Each insight becomes one self-contained note.

Return a JSON array of objects with "title" (short, unique, descriptive) and
"body" (markdown, a few sentences). Return [] if the document holds nothing
worth keeping.

Source: %s

%s`

const organizePrompt = `The notes below belong together. Write an index note that
names the theme they share and summarizes how they relate.

Return a JSON object with "title" (the theme) and "summary" (markdown, one
or two paragraphs).

%s`

const linkPrompt = `Note:

%s

Candidate related notes:

%s

Which candidates are genuinely related to the note? Return a JSON array of
their exact titles, or [] if none are.`

const deducePrompt = `Note:

%s

Related notes:

%s

What follows logically from the note, taken together with the related
notes, that none of them states? Return a JSON array of objects with
"title" and "body". Return [] if nothing new follows.`

const inducePrompt = `These notes share a theme (%s):

%s

What general principle or pattern do they exemplify? Return a JSON array
of objects with "title" and "body". Return [] if there is none.`
